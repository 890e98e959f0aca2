// Package server hosts the Fiber HTTP service that stands in for the browser
// platform: every request it receives is turned into an intercepted agent
// request, dispatched through the registration, and written back with the
// response source attached. It also builds the shared upstream client and the
// cache store selected by configuration. Keep exports narrow and accept
// explicit dependencies so cmd wiring and tests can inject fakes.
package server
