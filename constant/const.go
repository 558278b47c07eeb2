package constant

import (
	_ "embed"
	"fmt"
	"time"
)

const (
	// APIBaseURL is the vendor API gateway all device calls go through.
	APIBaseURL = "https://idp2-apigw.cloud.grohe.com"
	// LoginInitURL answers with a 302 pointing at the identity provider's
	// HTML login page.
	LoginInitURL = APIBaseURL + "/v3/iot/oidc/login"
	// UserAgent mimics a desktop browser. The identity provider serves the
	// scraped login flow to browsers only.
	UserAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	AcceptLanguage = "en-US,en;q=0.9"
)

var (
	//go:embed version
	Version     string
	compileTime string = "2025-06-14T10:22:41Z"
	CompileTime time.Time
)

func init() {
	t, err := time.Parse(time.RFC3339, compileTime)
	if nil != err {
		panic(fmt.Errorf("could not parse CompileTime constant %q. Make sure it is set at build time", compileTime))
	}
	CompileTime = t
}
