package safety

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryReader reports the current memory usage in bytes.
type MemoryReader func(ctx context.Context) (uint64, error)

// ProcessRSS returns a MemoryReader for the resident set size of the running
// process.
func ProcessRSS() (MemoryReader, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (uint64, error) {
		info, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}, nil
}
