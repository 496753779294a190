// Package server exposes the execution core over HTTP. It offers graph
// submission, execution queries, resume and cancel, a server-sent-events
// progress stream per execution, and the single-objective surface with
// manual run triggers.
package server
