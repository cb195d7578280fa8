package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ErrDecode       = errors.New("frame decode failed")
	ErrOrchestrator = errors.New("frame processing failed")
)

const jpegDataURIPrefix = "data:image/jpeg;base64,"

// DecodeDataURI turns a base64 image, with or without a data: prefix, into a
// BGR Mat. The caller owns the returned Mat; on error nothing is allocated.
func DecodeDataURI(b64 string) (gocv.Mat, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	if b64 == "" {
		return gocv.Mat{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.Mat{}, fmt.Errorf("%w: image is empty or in an unsupported format", ErrDecode)
	}
	return mat, nil
}

// EncodeDataURI compresses img as JPEG at quality and wraps it in a data URI.
func EncodeDataURI(img gocv.Mat, quality int) (string, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return jpegDataURIPrefix + base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}
