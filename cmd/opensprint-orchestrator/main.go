// Command opensprint-orchestrator is the long-running execution
// process: it loads every configured project, ensures a
// ProjectRunner for each, serves Prometheus metrics, and blocks until
// told to stop, draining in-flight agents before exit. `serve` is the
// only long-running subcommand; `status`, `stop`, and
// `sessions` are operator-facing clients of its JSON API.
package main

func main() {
	Execute()
}
