package login

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/xeptore/flaw/v8"
	"golang.org/x/net/html"

	"github.com/xeptore/ondusd/errutil"
)

// Form is one parsed login form, alive just long enough to build the
// authenticate POST.
type Form struct {
	Action    *url.URL
	Fields    url.Values
	UserField string
	PassField string
}

func (f *Form) FlawP() flaw.P {
	names := make([]string, 0, len(f.Fields))
	for name := range f.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return flaw.P{
		"action":      f.Action.String(),
		"user_field":  f.UserField,
		"pass_field":  f.PassField,
		"field_names": names,
	}
}

// parseForm extracts the first form of the auth page together with its
// prefilled inputs. pageURL absolutizes a relative action; the HTML parser
// already entity-decodes attribute values.
func parseForm(body []byte, pageURL *url.URL) (*Form, error) {
	flawP := flaw.P{"page_url": pageURL.String()}

	doc, err := html.Parse(bytes.NewReader(body))
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to parse auth page HTML: %v", err)).Append(flawP)
	}

	formNode := findForm(doc)
	if nil == formNode {
		return nil, flaw.From(errors.New("auth page contains no form")).Append(flawP)
	}

	action, _ := attr(formNode, "action")
	if action == "" {
		return nil, flaw.From(errors.New("login form has no action")).Append(flawP)
	}
	actionURL, err := url.Parse(action)
	if nil != err {
		flawP["action"] = action
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("login form action is not a parsable URL: %v", err)).Append(flawP)
	}

	form := &Form{
		Action:    pageURL.ResolveReference(actionURL),
		Fields:    url.Values{},
		UserField: "",
		PassField: "",
	}

	var textInputs []string
	eachInput(formNode, func(n *html.Node) {
		name, _ := attr(n, "name")
		if name == "" {
			return
		}
		value, _ := attr(n, "value")
		form.Fields.Set(name, value)

		// An input without a type attribute is a text input.
		switch typ, _ := attr(n, "type"); strings.ToLower(typ) {
		case "password":
			if form.PassField == "" {
				form.PassField = name
			}
		case "", "text", "email":
			textInputs = append(textInputs, name)
		}
	})

	for _, candidate := range []string{"username", "email", "usernameOrEmail"} {
		if form.Fields.Has(candidate) {
			form.UserField = candidate
			break
		}
	}
	if form.UserField == "" && len(textInputs) > 0 {
		form.UserField = textInputs[0]
	}
	if form.UserField == "" {
		form.UserField = "username"
	}
	if form.PassField == "" {
		form.PassField = "password"
	}

	// The identity provider rejects submissions missing credentialId even
	// when no such input is rendered.
	if !form.Fields.Has("credentialId") {
		form.Fields.Set("credentialId", "")
	}

	return form, nil
}

func findForm(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "form" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findForm(c); nil != f {
			return f
		}
	}
	return nil
}

func eachInput(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode && n.Data == "input" {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		eachInput(c, visit)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
