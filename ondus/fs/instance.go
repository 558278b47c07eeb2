// Package fs owns the bridge's on-disk state: the instance document holding
// credentials and the rotated refresh token, and the mirror files the host
// platform reads.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/must"
)

// Instance is the typed view of the instance document. The document may
// carry more fields than these; Extend keeps them.
type Instance struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type InstanceFile struct {
	path string
	mu   sync.Mutex
}

func InstanceFileFrom(dir string) *InstanceFile {
	return &InstanceFile{path: filepath.Join(dir, "instance.json"), mu: sync.Mutex{}}
}

func (f *InstanceFile) Read() (c *Instance, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_RDONLY, 0o0600)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		flawP := flaw.P{"path": f.path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open instance file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP := flaw.P{"path": f.path, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			closeErr = flaw.From(fmt.Errorf("failed to close instance file: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			default:
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()

	if err := json.NewDecoder(file).Decode(&c); nil != err {
		flawP := flaw.P{"path": f.path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode instance file: %v", err)).Append(flawP)
	}
	return c, nil
}

// Extend merges the given fields into the document and writes it back,
// keeping every field it does not know about. A missing file counts as an
// empty document.
func (f *InstanceFile) Extend(fields map[string]any) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flawP := flaw.P{"path": f.path}

	current := make(map[string]json.RawMessage, len(fields))
	content, err := os.ReadFile(f.path)
	switch {
	case nil == err:
		if err := json.Unmarshal(content, &current); nil != err {
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return flaw.From(fmt.Errorf("failed to decode instance file: %v", err)).Append(flawP)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to read instance file: %v", err)).Append(flawP)
	}

	for name, value := range fields {
		raw, err := json.Marshal(value)
		if nil != err {
			flawP["field"] = name
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return flaw.From(fmt.Errorf("failed to encode instance field: %v", err)).Append(flawP)
		}
		current[name] = raw
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to open instance file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close instance file: %v", closeErr)).Append(flawP)
			if nil != err {
				err = must.BeFlaw(err).Join(closeErr)
			} else {
				err = closeErr
			}
		}
	}()

	if err := json.NewEncoder(file).EncodeWithOption(current); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to encode instance file: %v", err)).Append(flawP)
	}
	return nil
}

// SaveRefreshToken persists a rotated refresh token. The previous token is
// dead the moment the provider rotates it, so this must not fail silently.
func (f *InstanceFile) SaveRefreshToken(token string) error {
	return f.Extend(map[string]any{"refresh_token": token})
}

// ClearPassword blanks the stored plaintext password once a refresh token
// can carry the session on its own.
func (f *InstanceFile) ClearPassword() error {
	return f.Extend(map[string]any{"password": ""})
}
