// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Mpfit is the demo driver for the parallel fitting engine: it
// generates a Gaussian dataset under a fixed seed, minimizes its
// negative log-likelihood over a fleet of workers, and prints the
// fitted parameters.
//
// Usage:
//
//	mpfit fit [--config fit.yaml] [--workers N] [--events N] [--seed S]
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/grailbio/mpfit/fit"
	"github.com/grailbio/mpfit/gradient"
	"github.com/grailbio/mpfit/likelihood"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// Demo dataset shape. The children regenerate the dataset from these
// values, passed through the environment, so the fleet agrees on
// every event.
const (
	envSeed   = "MPFIT_DEMO_SEED"
	envEvents = "MPFIT_DEMO_EVENTS"
)

type demoJobs struct {
	nll  *likelihood.NLLJob
	grad *gradient.Job
}

var demo demoJobs

func demoSetup(m *engine.Manager) error {
	seed, err := strconv.ParseUint(os.Getenv(envSeed), 10, 64)
	if err != nil {
		return err
	}
	events, err := strconv.Atoi(os.Getenv(envEvents))
	if err != nil {
		return err
	}
	params := mpfit.NewVector(
		mpfit.ParameterSettings{Name: "mu", Value: -2.9, StepSize: 0.1, LowerBound: -3, UpperBound: 3, Bounded: true},
		mpfit.ParameterSettings{Name: "sigma", Value: 1, StepSize: 0.1, Constant: true},
	)
	m.BindParams(params)
	data := likelihood.GenerateGaussian(seed, events, 0, 1)
	obj := likelihood.NewGaussian(params, 0, 1, data)
	if demo.nll, err = likelihood.NewNLLJob(m, obj); err != nil {
		return err
	}
	demo.grad, err = gradient.NewJob(m, demo.nll)
	return err
}

func init() {
	engine.RegisterSetup("demo-gaussian", demoSetup)
}

func main() {
	// Fleet children never make it past this call: they run the
	// registered setup, enter their role loop, and exit.
	engine.ChildMain()

	root := &cobra.Command{
		Use:           "mpfit",
		Short:         "parallel likelihood fitting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configPath string
		workers    int
		events     int
		seed       uint64
	)
	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "fit a Gaussian demo dataset over a worker fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mpfit.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = mpfit.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			os.Setenv(envSeed, strconv.FormatUint(seed, 10))
			os.Setenv(envEvents, strconv.Itoa(events))

			m, err := engine.Start("demo-gaussian", cfg)
			if err != nil {
				return err
			}
			defer m.Terminate()

			fcn := gradient.NewFcn(m, demo.nll, demo.grad)
			opts := fit.DefaultOptions()
			opts.ErrorLevel = cfg.ErrorLevel
			result, err := fit.Minimize(fcn, opts)
			if err != nil {
				return err
			}
			fmt.Printf("min NLL  %.10g\n", result.MinValue)
			fmt.Printf("mu       %.10g +/- %.10g\n", result.X[0], result.Errors[0])
			fmt.Printf("edm      %.3g\n", result.EDM)
			fmt.Printf("calls    %d\n", result.NCalls)
			fmt.Printf("workers  %d\n", cfg.Workers)
			if !result.Converged {
				return fmt.Errorf("minimization did not converge")
			}
			return nil
		},
	}
	fitCmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	fitCmd.Flags().IntVar(&workers, "workers", 0, "worker processes (overrides config)")
	fitCmd.Flags().IntVar(&events, "events", 10000, "dataset size")
	fitCmd.Flags().Uint64Var(&seed, "seed", 3, "dataset seed")
	root.AddCommand(fitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the mpfit version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error.Printf("%v", err)
		os.Exit(1)
	}
}
