// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/fleet"
)

// A Setup builds the jobs of a fleet: it binds the parameter vector
// and registers jobs against the manager. The same setup runs on the
// master and on every child process, which is what replicates job
// state across the fleet; it must therefore be deterministic, and it
// must be registered under the same name on every process. The
// simplest way to comply is to register setups from package scope.
type Setup func(*Manager) error

var setups = make(map[string]Setup)

// RegisterSetup registers a named setup. It panics on duplicate
// names. Registration must happen before Start and before ChildMain,
// i.e. during program initialization.
func RegisterSetup(name string, setup Setup) {
	if _, ok := setups[name]; ok {
		panic(fmt.Sprintf("engine: setup %q registered twice", name))
	}
	setups[name] = setup
}

// Start builds a fleet for the named setup and returns the master's
// manager, ready to submit tasks. Start runs the setup (registering
// its jobs), spawns the queue and worker processes, establishes and
// validates the messenger topology, and switches the master to
// non-blocking sends.
//
// Start is called on the master only; child processes are captured
// by ChildMain before they reach the code that calls Start.
func Start(name string, cfg mpfit.Config) (*Manager, error) {
	if os.Getenv(fleet.EnvRole) != "" {
		return nil, errors.E(errors.Fatal,
			"engine: Start called on a fleet child; call ChildMain from main first")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setup, ok := setups[name]
	if !ok {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("engine: setup %q not registered", name))
	}
	m := newManager(cfg, name)
	if err := setup(m); err != nil {
		return nil, errors.E(fmt.Sprintf("engine: setup %q", name), err)
	}
	if err := m.activate(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Local builds the named setup without activating a fleet. The
// returned manager supports serial evaluation only: jobs evaluate in
// process, parameter mutations stay local, and Submit/Retrieve are
// errors. Serial managers are how parallel results are checked
// against their serial twins.
func Local(name string, cfg mpfit.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setup, ok := setups[name]
	if !ok {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("engine: setup %q not registered", name))
	}
	m := newManager(cfg, name)
	if err := setup(m); err != nil {
		return nil, errors.E(fmt.Sprintf("engine: setup %q", name), err)
	}
	return m, nil
}

// ChildMain hijacks fleet children. Programs (and test binaries)
// using mpfit must call it from main, or TestMain, before doing
// anything else: on the master it returns immediately; on a child it
// rebuilds the configuration from the environment, runs the named
// setup so that the child holds the same jobs as the master, enters
// the role loop, and exits the process when the loop ends. ChildMain
// never returns on a child.
func ChildMain() {
	role := os.Getenv(fleet.EnvRole)
	if role == "" {
		return
	}
	name := os.Getenv(fleet.EnvSetup)
	setup, ok := setups[name]
	if !ok {
		log.Error.Printf("engine: %s: setup %q not registered in this binary", role, name)
		os.Exit(1)
	}
	cfg, err := mpfit.UnmarshalConfigString(os.Getenv(fleet.EnvConfig))
	if err != nil {
		log.Error.Printf("engine: %s: bad config: %v", role, err)
		os.Exit(1)
	}
	m := newManager(cfg, name)
	if err := setup(m); err != nil {
		log.Error.Printf("engine: %s: setup %q: %v", role, name, err)
		os.Exit(1)
	}
	if err := m.activate(context.Background()); err != nil {
		log.Error.Printf("engine: %s: activate: %v", role, err)
		os.Exit(1)
	}
	// activate exits the process on children; reaching here means the
	// role environment lied.
	log.Error.Printf("engine: role %q did not enter a role loop", role)
	os.Exit(1)
}
