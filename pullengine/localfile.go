package pullengine

import (
	"os"
	"time"
)

// readFileIfExists returns (nil, nil) when path does not exist, matching
// the "first run, no local manifest yet" case.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func removeAll(path string) error {
	return os.RemoveAll(path)
}
