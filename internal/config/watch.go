package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes to the config file at path until ctx is done.
// The parent directory is watched so editors that replace the file by rename are seen too.
func Watch(ctx context.Context, path string, onChange func(fsnotify.Op), onError func(error)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil || name != target {
					continue
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				if onChange != nil {
					onChange(ev.Op)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
