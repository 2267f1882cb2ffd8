// Package cvcalib backs calibration and rotation with OpenCV.
package cvcalib

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"calibguide/calibration"
)

// Solver runs cv::calibrateCamera.
type Solver struct {
	Flags gocv.CalibFlag
}

// Solve implements calibration.Solver.
func (s Solver) Solve(object [][]r3.Vector, points [][]r2.Point, imageSize image.Point) (*calibration.Result, error) {
	if len(object) != len(points) {
		return nil, fmt.Errorf("have %d object views and %d image views", len(object), len(points))
	}
	if len(points) == 0 {
		return nil, errors.New("no views to calibrate")
	}

	obj := make([][]gocv.Point3f, len(object))
	for i, view := range object {
		obj[i] = make([]gocv.Point3f, len(view))
		for j, p := range view {
			obj[i][j] = gocv.Point3f{X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z)}
		}
	}
	img := make([][]gocv.Point2f, len(points))
	for i, view := range points {
		img[i] = make([]gocv.Point2f, len(view))
		for j, p := range view {
			img[i][j] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
	}

	objectPoints := gocv.NewPoints3fVectorFromPoints(obj)
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVectorFromPoints(img)
	defer imagePoints.Close()

	cameraMatrix := gocv.NewMat()
	defer cameraMatrix.Close()
	distCoeffs := gocv.NewMat()
	defer distCoeffs.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objectPoints, imagePoints, imageSize,
		&cameraMatrix, &distCoeffs, &rvecs, &tvecs, s.Flags)
	if math.IsNaN(rms) || cameraMatrix.Rows() != 3 || cameraMatrix.Cols() != 3 {
		return nil, fmt.Errorf("calibrateCamera did not converge (rms %v)", rms)
	}

	return &calibration.Result{
		CameraMatrix: toDense(cameraMatrix),
		Distortion:   flatten(distCoeffs),
		RMS:          rms,
	}, nil
}

// Rodrigues converts a 3x1 or 1x3 rotation vector to a 3x3 rotation matrix
// with cv::Rodrigues. It satisfies rotation.Rodrigues.
func Rodrigues(vec mat.Matrix) (*mat.Dense, error) {
	r, c := vec.Dims()
	if r*c != 3 || (r != 1 && c != 1) {
		return nil, fmt.Errorf("rotation vector must be 3x1 or 1x3, got %dx%d", r, c)
	}

	src := gocv.NewMatWithSize(3, 1, gocv.MatTypeCV64F)
	defer src.Close()
	for i := 0; i < 3; i++ {
		if r == 3 {
			src.SetDoubleAt(i, 0, vec.At(i, 0))
		} else {
			src.SetDoubleAt(i, 0, vec.At(0, i))
		}
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Rodrigues(src, &dst)
	if dst.Rows() != 3 || dst.Cols() != 3 {
		return nil, fmt.Errorf("rodrigues returned %dx%d", dst.Rows(), dst.Cols())
	}
	return toDense(dst), nil
}

func toDense(m gocv.Mat) *mat.Dense {
	out := mat.NewDense(m.Rows(), m.Cols(), nil)
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Cols(); j++ {
			out.Set(i, j, m.GetDoubleAt(i, j))
		}
	}
	return out
}

func flatten(m gocv.Mat) []float64 {
	if m.Empty() {
		return nil
	}
	out := make([]float64, 0, m.Total())
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Cols(); j++ {
			out = append(out, m.GetDoubleAt(i, j))
		}
	}
	return out
}
