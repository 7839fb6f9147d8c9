// Package launchpad is a Go client for the launchpadd REST API. Besides the
// submit and query calls it offers WaitForTask, which polls a task until it
// reaches a terminal status.
package launchpad
