// Package engine holds the model adapters: an ONNX YOLO detector run through
// gocv's DNN module and a remote pose-estimation client.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const UNREGISTERED = 0x0001
const IDLE = 0x0003
const BUSY = 0x0004

var (
	ErrNotLoaded     = errors.New("model not loaded")
	ErrBadLandmarks  = errors.New("unexpected landmark count")
	ErrPoseEndpoint  = errors.New("pose endpoint unavailable")
	ErrEmptyClassSet = errors.New("class file has no names")
)

// ClassSet is the detector's label table plus the names counted as worn PPE.
type ClassSet struct {
	Names     []string `yaml:"names"`
	Compliant []string `yaml:"compliant"`
}

// ReadLinesReadFile returns the non-empty lines of path, CRLF tolerant.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// LoadClassFile reads a YAML class file, or a plain one-name-per-line file
// for any other extension.
func LoadClassFile(path string) (*ClassSet, error) {
	var cs ClassSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		lines, err := ReadLinesReadFile(path)
		if err != nil {
			return nil, err
		}
		cs.Names = lines
	}
	if len(cs.Names) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyClassSet)
	}
	return &cs, nil
}

func className(names []string, classID int) string {
	if classID >= 0 && classID < len(names) {
		return names[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
