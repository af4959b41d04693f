package flush

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// KeyframesFile is the name of the keyframe row file inside the output
// directory.
const KeyframesFile = "keyframes.csv"

// WaveformFile returns the file name for waveform channel i.
func WaveformFile(i int) string {
	return fmt.Sprintf("waveform_%d_keyframes.csv", i)
}

// Sink persists one take. Implementations must be safe for concurrent use:
// takes saved in quick succession are written concurrently.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string

	// Save writes take. dir is the output directory resolved when the save
	// edge fired; sinks that do not write files ignore it.
	Save(ctx context.Context, dir string, take keyframe.Take) error
}

// Compile-time interface assertion.
var _ Sink = (*DirSink)(nil)

// DirSink writes a take as CSV files into the output directory:
// keyframes.csv plus one waveform_<i>_keyframes.csv per waveform channel.
// Every file is written to a temporary name and renamed into place, so a
// reader never sees a partial file. Existing files are replaced. Saves into
// the same directory run one at a time, so the files there always belong to
// a single take.
type DirSink struct {
	// Perm is the mode of created directories. Default: 0o755.
	Perm os.FileMode

	mu    sync.Mutex
	locks map[string]*dirLock
}

type dirLock struct {
	sync.Mutex
	users int
}

// lockDir blocks until no other save writes into dir and returns the unlock
// function.
func (s *DirSink) lockDir(dir string) func() {
	key := filepath.Clean(dir)
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*dirLock)
	}
	l := s.locks[key]
	if l == nil {
		l = &dirLock{}
		s.locks[key] = l
	}
	l.users++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.users--; l.users == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Name implements [Sink].
func (s *DirSink) Name() string { return "csv" }

// Save implements [Sink]. Files are written concurrently; the first failure
// cancels the remaining writes and is returned with the others joined.
func (s *DirSink) Save(ctx context.Context, dir string, take keyframe.Take) error {
	if dir == "" {
		return errors.New("flush: csv: no output directory")
	}
	if take.Len() == 0 {
		return nil
	}
	perm := s.Perm
	if perm == 0 {
		perm = 0o755
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("flush: csv: %w", err)
	}

	unlock := s.lockDir(dir)
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writeFile(ctx, filepath.Join(dir, KeyframesFile), take.Keyframes)
	})
	for i := range take.WaveformNames {
		g.Go(func() error {
			return writeFile(ctx, filepath.Join(dir, WaveformFile(i)), take.WaveformRows(i))
		})
	}
	return g.Wait()
}

func writeFile(ctx context.Context, path string, rows [][]float64) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("flush: csv: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := EncodeRows(bw, rows); err != nil {
		return fmt.Errorf("flush: csv: %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: csv: %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush: csv: %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// CreateTemp uses 0600.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("flush: csv: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("flush: csv: %w", err)
	}
	return nil
}
