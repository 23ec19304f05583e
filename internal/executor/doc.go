// Package executor turns a task into a running unit of execution and,
// eventually, a terminal return code. Work is described by a Binding (an
// external process, a local callable or a function registered on a
// distributed backend) and executed by a Session opened on a Backend.
// Every path, including launch failures, yields the same Result contract.
package executor
