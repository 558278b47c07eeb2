package fs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/tidwall/pretty"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/must"
)

// InfoFile is a mirror document the host platform reads, rewritten wholesale
// on every update.
type InfoFile[T any] struct {
	path string
}

func InfoFileFrom[T any](dir, filename string) *InfoFile[T] {
	return &InfoFile[T]{path: filepath.Join(dir, filename)}
}

func (f *InfoFile[T]) Write(v T) (err error) {
	flawP := flaw.P{"path": f.path}

	b, err := json.Marshal(v)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to encode info file content: %v", err)).Append(flawP)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_SYNC|os.O_TRUNC|os.O_WRONLY, 0o0644)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to open info file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close info file: %v", closeErr)).Append(flawP)
			if nil != err {
				err = must.BeFlaw(err).Join(closeErr)
			} else {
				err = closeErr
			}
		}
	}()

	if _, err := file.Write(pretty.Pretty(b)); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to write info file: %v", err)).Append(flawP)
	}
	return nil
}
