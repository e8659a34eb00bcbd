package httpserver

import (
	"fmt"
	"strconv"
	"strings"

	"restkeep/internal/storage"
)

// parseRange reads a single "bytes=" range against an object of size bytes.
// It returns nil when there is no header, the unit is not bytes, or several
// ranges are asked for; those requests get the whole object.
//
// Forms: "bytes=a-b", "bytes=a-" and the suffix form "bytes=-n". An end past
// the object is clamped; a start past it is unsatisfiable.
func parseRange(v string, size int64) (*storage.ByteRange, error) {
	v = strings.TrimSpace(v)
	if v == "" || !strings.HasPrefix(v, "bytes=") {
		return nil, nil
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, "bytes="))
	if strings.Contains(v, ",") {
		return nil, nil
	}
	se := strings.SplitN(v, "-", 2)
	if len(se) != 2 {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidRange, v)
	}
	first, last := strings.TrimSpace(se[0]), strings.TrimSpace(se[1])

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return nil, fmt.Errorf("%w: suffix %q of %d bytes", storage.ErrInvalidRange, last, size)
		}
		n = min(n, size)
		return &storage.ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, fmt.Errorf("%w: start %q of %d bytes", storage.ErrInvalidRange, first, size)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: end %q", storage.ErrInvalidRange, last)
		}
		end = min(end, size-1)
	}
	return &storage.ByteRange{Start: start, End: end}, nil
}
