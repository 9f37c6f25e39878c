package config

import (
	"fmt"
	"os"
)

// maxCalibrationFileSize bounds how large a calibration file we'll read,
// the same defensive cap the teacher's tuning loader applies.
const maxCalibrationFileSize = 1 * 1024 * 1024

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxCalibrationFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxCalibrationFileSize)
	}
	return os.ReadFile(path)
}
