// Package capability defines how a callable is represented when it has to be
// made available inside an isolated worker.
//
// Callables are never shipped as code. Every binary that can host workers
// builds the same Table of named, unary callables at startup; registering a
// job on an isolated worker transmits only a Ref (the callable's name plus the
// table fingerprint) and the worker resolves the name in its own copy of the
// table.
//
// Callables take exactly one argument and return one result, optionally with
// an error. Arguments and results cross the boundary as JSON documents.
package capability
