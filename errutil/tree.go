package errutil

import (
	"fmt"

	"github.com/xeptore/flaw/v8"
)

// ErrInfo is a wrapping-aware rendering of an error chain. Logged failures
// keep their full causal tree even after several layers of wrapping.
type ErrInfo struct {
	Message    string
	TypeName   string
	SyntaxRepr string
	Children   []ErrInfo
}

func (e ErrInfo) FlawP() flaw.P {
	var children []flaw.P
	if len(e.Children) > 0 {
		children = make([]flaw.P, len(e.Children))
		for i, child := range e.Children {
			children[i] = child.FlawP()
		}
	}
	return flaw.P{
		"message":     e.Message,
		"type_name":   e.TypeName,
		"syntax_repr": e.SyntaxRepr,
		"children":    children,
	}
}

// Tree walks err's Unwrap chain, fanning out at joined errors.
func Tree(err error) ErrInfo {
	if nil == err {
		panic("nil error")
	}

	info := ErrInfo{
		Message:    err.Error(),
		TypeName:   fmt.Sprintf("%T", err),
		SyntaxRepr: fmt.Sprintf("%+#v", err),
		Children:   nil,
	}

	//nolint:errorlint
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		if cause := x.Unwrap(); nil != cause {
			info.Children = []ErrInfo{Tree(cause)}
		}
	case interface{ Unwrap() []error }:
		causes := x.Unwrap()
		info.Children = make([]ErrInfo, 0, len(causes))
		for _, cause := range causes {
			info.Children = append(info.Children, Tree(cause))
		}
	}
	return info
}
