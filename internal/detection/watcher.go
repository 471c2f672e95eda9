package detection

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/config"
)

// Watcher reloads rule parameters and Sigma rules when their files change.
type Watcher struct {
	engine    *Engine
	log       *logrus.Logger
	rulesFile string
	sigmaPath string
	watcher   *fsnotify.Watcher
}

// NewWatcher loads the configured files into engine and prepares to watch them.
// Either path may be empty. A load error at startup is returned.
func NewWatcher(engine *Engine, log *logrus.Logger, rulesFile, sigmaPath string) (*Watcher, error) {
	w := &Watcher{engine: engine, log: log, rulesFile: rulesFile, sigmaPath: sigmaPath}
	if rulesFile != "" {
		if err := w.reloadRules(); err != nil {
			return nil, err
		}
	}
	if sigmaPath != "" {
		if err := w.reloadSigma(); err != nil {
			return nil, err
		}
	}
	if rulesFile == "" && sigmaPath == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch parent directories so editors that replace files are seen.
	dirs := map[string]bool{}
	if rulesFile != "" {
		dirs[filepath.Dir(rulesFile)] = true
	}
	if sigmaPath != "" {
		dirs[filepath.Dir(filepath.Clean(sigmaPath))] = true
		dirs[filepath.Clean(sigmaPath)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Debug("Not watching path")
		}
	}
	w.watcher = fw
	return w, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	if w.watcher == nil {
		return
	}
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Rule file watcher error")
		}
	}
}

func (w *Watcher) handle(name string) {
	name = filepath.Clean(name)
	if w.rulesFile != "" && name == filepath.Clean(w.rulesFile) {
		if err := w.reloadRules(); err != nil {
			w.log.WithError(err).Error("Failed to reload rules file, keeping previous parameters")
		}
		return
	}
	if w.sigmaPath != "" && isYAMLFile(name) && w.underSigmaPath(name) {
		if err := w.reloadSigma(); err != nil {
			w.log.WithError(err).Error("Failed to reload Sigma rules, keeping previous set")
		}
	}
}

func (w *Watcher) underSigmaPath(name string) bool {
	root := filepath.Clean(w.sigmaPath)
	if name == root {
		return true
	}
	rel, err := filepath.Rel(root, name)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) reloadRules() error {
	cfg, err := config.LoadRulesFile(w.rulesFile)
	if err != nil {
		return err
	}
	w.engine.SetRulesConfig(cfg)
	w.log.WithFields(logrus.Fields{
		"file":           w.rulesFile,
		"ports":          len(cfg.SuspiciousPorts),
		"path_markers":   len(cfg.PathMarkers),
		"disabled_rules": len(cfg.Disabled),
	}).Info("Loaded detection rule parameters")
	return nil
}

func (w *Watcher) reloadSigma() error {
	set, stats, err := LoadSigmaRules(w.sigmaPath)
	if err != nil {
		return err
	}
	w.engine.SetSigmaRules(set)
	w.log.WithFields(logrus.Fields{
		"path":               w.sigmaPath,
		"files":              stats.TotalFiles,
		"loaded":             stats.Loaded,
		"skipped_invalid":    stats.SkippedInvalid,
		"skipped_datasource": stats.SkippedDatasource,
		"skipped_complex":    stats.SkippedComplex,
	}).Info("Loaded Sigma rules")
	return nil
}
