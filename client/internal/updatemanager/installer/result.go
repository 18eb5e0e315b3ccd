package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/util"
)

const (
	resultFile = "result.json"
)

// Result is the outcome of an install, left for the relaunched host to read
type Result struct {
	Success    bool
	Identifier string
	Version    string
	Relaunched bool
	Error      string
	ErrorType  string
	ExecutedAt time.Time
}

// ResultHandler handles reading and writing install results
type ResultHandler struct {
	resultFile string
}

// NewResultHandler creates a handler for "result.json" in the given directory
func NewResultHandler(dir string) *ResultHandler {
	return &ResultHandler{
		resultFile: filepath.Join(dir, resultFile),
	}
}

// Path returns the result file location
func (rh *ResultHandler) Path() string {
	return rh.resultFile
}

// Write replaces the result file atomically
func (rh *ResultHandler) Write(result Result) error {
	log.Infof("write out install result to: %s", rh.resultFile)
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now().UTC()
	}
	return util.WriteJson(context.Background(), rh.resultFile, result)
}

// WriteErr records a failed install
func (rh *ResultHandler) WriteErr(identifier string, err error) error {
	return rh.Write(Result{
		Identifier: identifier,
		Error:      err.Error(),
		ErrorType:  status.TypeOf(err).String(),
	})
}

// Read returns the recorded result
func (rh *ResultHandler) Read() (Result, error) {
	var result Result
	if _, err := util.ReadJson(rh.resultFile, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	return util.RemoveJson(rh.resultFile)
}

// Watch waits for the result file to appear and consumes it
func (rh *ResultHandler) Watch(ctx context.Context) (Result, error) {
	log.Infof("start watching result: %s", rh.resultFile)

	defer func() {
		if err := rh.Cleanup(); err != nil {
			log.Warnf("failed to cleanup result file: %v", err)
		}
	}()

	dir := filepath.Dir(rh.resultFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create result directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// watch the directory, the file is renamed into place
	if err := watcher.Add(dir); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %v", err)
	}

	// the installer may have finished before the watch started
	if result, err := rh.Read(); err == nil {
		log.Infof("install result: %+v", result)
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			if event.Name != rh.resultFile || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}

			result, err := rh.Read()
			if err != nil {
				log.Debugf("error while reading result: %v", err)
				continue
			}
			log.Infof("install result: %+v", result)
			return result, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}
