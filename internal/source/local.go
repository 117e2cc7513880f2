package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

type localFetcher struct{}

// Fetch opens the file. The returned body is an *os.File so archives that
// need random access can use it in place.
func (localFetcher) Fetch(_ context.Context, loc Location) (Object, error) {
	f, err := os.Open(loc.Key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, loc.Key)
		}
		return Object{}, fmt.Errorf("source: open %s: %w", loc.Key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return Object{}, fmt.Errorf("source: stat %s: %w", loc.Key, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return Object{}, fmt.Errorf("source: %s is a directory", loc.Key)
	}
	return Object{Body: f, Size: info.Size()}, nil
}
