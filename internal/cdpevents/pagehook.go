package cdpevents

import _ "embed"

// PageHookScript forwards console calls, uncaught errors and unhandled
// rejections from the page through the BindingName binding. It is installed
// with Page.addScriptToEvaluateOnNewDocument when the page hook is enabled.
//
//go:embed pagehook.js
var PageHookScript string
