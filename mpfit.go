// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package mpfit implements a parallel likelihood-and-gradient
evaluation engine for numerical minimization. A single driver
process (the master) runs a variable-metric minimizer that
repeatedly asks for the value of an objective function (a negative
log-likelihood over a dataset) and for its partial derivatives with
respect to each free parameter. Mpfit farms these evaluations out
over a fleet of worker processes and returns results that are
bit-identical to a serial evaluation.

A fleet comprises the master, one queue process, and W workers. The
queue owns a FIFO of (job, task) pairs; workers pull tasks from the
queue, compute them against a process-local shadow of the parameter
vector, and push results back. The master gathers results through a
retrieve handshake and folds them in a canonical order so that the
reduction is reproducible bit for bit.

Because Go cannot fork without exec, the worker and queue processes
are re-executions of the driver binary. Programs register a named
setup function with the engine package; the same setup runs on
every process of the fleet, so the same jobs are registered in the
same order everywhere. This requires mpfit programs to follow one
rule: register setups from package scope (or otherwise in
deterministic order) and call engine.ChildMain from main before
doing anything else.

The packages are layered as follows, leaves first: transport
provides framed messaging and polling over Unix-domain sockets;
fleet spawns and tracks the processes; messenger fixes the channel
topology and the control verbs; engine schedules jobs and runs the
per-role loops; likelihood and gradient implement the two built-in
job kinds; fit is a small variable-metric minimizer driving the
whole stack.
*/
package mpfit
