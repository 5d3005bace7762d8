/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package lists

import (
	"bufio"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/spfbld/spfbld/internal/log"
)

var reloadInterval = 15 * time.Second

// FileSource feeds a List from a text file, one token per line ('#'
// starts a comment). The file is re-read when its mtime changes, checked
// every reloadInterval, so operators can edit a list without restarting
// the daemon.
type FileSource struct {
	Path string
	List *List
	Log  log.Logger

	mStamp time.Time

	stopReloader chan struct{}
	forceReload  chan struct{}
	once         sync.Once
}

func NewFileSource(path string, list *List, logger log.Logger) *FileSource {
	return &FileSource{
		Path:         path,
		List:         list,
		Log:          logger,
		stopReloader: make(chan struct{}),
		forceReload:  make(chan struct{}),
	}
}

// Load reads the file once and replaces the List's file-sourced entries.
// A missing file is not an error; the list just starts empty.
func (f *FileSource) Load() error {
	info, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			f.Log.Printf("ignoring non-existent list file: %s", f.Path)
			return nil
		}
		return err
	}

	tokens, err := readTokens(f.Path)
	if err != nil {
		return err
	}
	f.mStamp = info.ModTime()
	f.List.Replace(tokens)
	f.Log.Debugf("loaded %d entries from %s", len(tokens), f.Path)
	return nil
}

// Start launches the reload goroutine. Stop terminates it.
func (f *FileSource) Start() {
	go f.reloader()
}

func (f *FileSource) Stop() {
	f.once.Do(func() { close(f.stopReloader) })
}

// ForceReload triggers an immediate re-read regardless of mtime, used by
// the SIGHUP/reload hook.
func (f *FileSource) ForceReload() {
	select {
	case f.forceReload <- struct{}{}:
	default:
	}
}

func (f *FileSource) reloader() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			f.Log.Msg("panic during list reload", "err", err, "stack", string(stack))
		}
	}()

	t := time.NewTicker(reloadInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			info, err := os.Stat(f.Path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				f.Log.Error("list file check failed", err, "path", f.Path)
				continue
			}
			if !info.ModTime().After(f.mStamp) {
				continue
			}
		case <-f.forceReload:
		case <-f.stopReloader:
			return
		}

		if err := f.Load(); err != nil {
			f.Log.Error("list file reload failed", err, "path", f.Path)
		}
	}
}

func readTokens(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var out []string
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
