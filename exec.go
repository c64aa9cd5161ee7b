package kmodld

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/kmodld/memmod"
	"go.uber.org/zap"
)

// LoadExecutable places an ET_EXEC or ET_DYN image. The caller owns the
// returned image and hands it back with UnloadExecutable.
func (l *Loader) LoadExecutable(data []byte) (*memmod.Image, error) {
	if !l.mu.TryLock() {
		return nil, ErrBusy
	}
	defer l.mu.Unlock()

	img, err := memmod.LoadExecutable(data, l.alloc, l.log)
	if err != nil {
		return nil, fmt.Errorf("kmodld: load executable: %w", err)
	}
	l.log.Info("executable placed", hexAddr("base", img.Base()), zap.Uint64("size", img.Size()), zap.Stringer("entry", img.Entry()))
	return img, nil
}

// RunExecutable calls the image's entry point and returns its exit code.
func (l *Loader) RunExecutable(img *memmod.Image) (int32, error) {
	if img == nil || img.Released() {
		return 0, fmt.Errorf("kmodld: run executable: %w", memmod.ErrImageReleased)
	}
	ep := img.Entry()
	if ep.IsZero() {
		return 0, fmt.Errorf("kmodld: run executable: %w", ErrNoEntryPoint)
	}
	code, err := memmod.Call(l.invoker, ep)
	if err != nil {
		return 0, fmt.Errorf("kmodld: run executable: %w", err)
	}
	return code, nil
}

// UnloadExecutable releases an image returned by LoadExecutable.
func (l *Loader) UnloadExecutable(img *memmod.Image) error {
	if img == nil {
		return errors.New("kmodld: unload executable: nil image")
	}
	if err := img.Release(); err != nil {
		return fmt.Errorf("kmodld: unload executable: %w", err)
	}
	return nil
}
