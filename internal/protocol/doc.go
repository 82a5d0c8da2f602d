// Package protocol defines the message contract between the host and a sandbox
// worker: a closed set of tagged messages (job start, action request, action
// response, execution result) carried as length-prefixed JSON frames over any
// byte stream (an in-process pipe or a subprocess's stdio).
package protocol
