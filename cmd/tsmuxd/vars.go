/*
DESCRIPTION
  vars.go provides configuration from a local file of key=value variables,
  reloaded whenever the file changes.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/ausocean/tsmux/streamer/config"
)

// readVars parses lines of key=value pairs from r. Blank lines and lines
// starting with # are ignored. The mode variable is returned separately,
// defaulting to Normal.
func readVars(r io.Reader) (vars map[string]string, mode string, err error) {
	vars = make(map[string]string)
	mode = modeNormal
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, "", fmt.Errorf("line %d: missing '='", n)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == config.KeyMode {
			mode = v
			continue
		}
		vars[k] = v
	}
	return vars, mode, sc.Err()
}

// loadVars reads the variables file at path and applies it.
func loadVars(d *daemonState, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not open vars file: %w", err)
	}
	defer f.Close()
	vars, mode, err := readVars(f)
	if err != nil {
		return fmt.Errorf("could not read vars file: %w", err)
	}
	d.log.Debug("got new vars", "vars", vars, "mode", mode)
	return d.apply(vars, mode)
}

// runFile applies the variables file at path, and again each time it is
// written, until ctx is done. The file's directory is watched so that
// editors replacing the file are seen.
func runFile(ctx context.Context, d *daemonState, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}
	defer w.Close()

	err = w.Add(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("could not watch vars file: %w", err)
	}

	err = loadVars(d, path)
	if err != nil {
		d.log.Error(pkg+"could not apply vars", "error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			d.log.Info("vars file changed", "op", ev.Op.String())
			err = loadVars(d, path)
			if err != nil {
				d.log.Error(pkg+"could not apply vars", "error", err.Error())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warning(pkg+"vars watcher error", "error", err.Error())
		}
	}
}
