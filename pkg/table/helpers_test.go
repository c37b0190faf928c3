package table

import "os"

// createSparse makes a sparse file of the given size to stand in for a block
// device in tests.
func createSparse(path string, size int64) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
