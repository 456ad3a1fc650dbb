// Package webapi installs the guest-visible Web API shims (btoa/atob,
// URL/URLSearchParams, Headers, Request/Response, and console) into a
// Host's runtime before a bundle is loaded.
package webapi

import _ "embed"

//go:embed js/base64.js
var base64JS string

//go:embed js/url.js
var urlJS string

//go:embed js/headers.js
var headersJS string

//go:embed js/fetch.js
var fetchJS string

//go:embed js/console.js
var consoleJS string

// shims lists the fixed evaluation order: headers before fetch (Response/
// Request reference Headers), everything before console (which only needs
// the host bridge function, but evaluating it last keeps log output from
// any earlier shim failure attributable to the shim itself via stderr,
// not a half-initialized console).
var shims = []struct {
	name string
	src  string
}{
	{"<base64-shim>", base64JS},
	{"<url-shim>", urlJS},
	{"<headers-shim>", headersJS},
	{"<fetch-shim>", fetchJS},
	{"<console-shim>", consoleJS},
}
