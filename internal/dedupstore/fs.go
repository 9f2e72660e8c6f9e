package dedupstore

import "os"

// pebbleReadDir lists the file names inside a checkpoint directory. Split
// out so store.go's Checkpoint stays focused on the LSM operation itself.
func pebbleReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
