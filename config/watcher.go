package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	gLock      sync.RWMutex
	gConfig    *Config
	gListeners []func(prev, next *Config)
)

// Get returns the current configuration. It must not be modified.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// OnChange registers fn to be called after every successful reload.
func OnChange(fn func(prev, next *Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, fn)
}

func set(config *Config) {
	gLock.Lock()
	old := gConfig
	gConfig = config
	listeners := append([]func(prev, next *Config){}, gListeners...)
	gLock.Unlock()

	if old == nil {
		return
	}
	for _, fn := range listeners {
		fn(old, config)
	}
}

// LoadEnvFile loads variables from a .env file into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		log.Infof("Loaded environment from %v", path)
	}
	return err
}

// waitForChange blocks until the file at path is written, created or
// replaced. The directory is watched so that editors which rename over the
// file are noticed.
func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)
	for changed := false; !changed; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			return err
		case ev := <-watcher.Events:
			changed = filepath.Clean(ev.Name) == target &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
		}
	}
	// Let the writer finish.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads the configuration and, if path is set, reloads it whenever the
// file changes until ctx is done. Invalid reloads are logged and ignored.
func Load(ctx context.Context, path string) error {
	config, err := FromFile(path)
	if err != nil {
		return err
	}
	set(config)
	if path == "" {
		return nil
	}
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}

			config, err := FromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			log.Infof("Reloaded configuration from %v", path)
			set(config)
		}
	}()
	return nil
}
