/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/util/json"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/docexpr/internal/buildinfo"
	"github.com/l7mp/docexpr/internal/loader"
	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/pipeline"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

func main() {
	var pipelineFile, inputFile, principal string
	var showVersion, listStages bool

	flag.StringVar(&pipelineFile, "pipeline", "", "The pipeline definition file (YAML or JSON).")
	flag.StringVar(&inputFile, "input", "-", "The input documents (a JSON/YAML object or list), \"-\" for stdin.")
	flag.StringVar(&principal, "principal", "", "The principal bound to $$PRINCIPAL.")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit.")
	flag.BoolVar(&listStages, "list-stages", false, "Print the supported pipeline stages and exit.")

	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName("docexpr")
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	if showVersion {
		fmt.Println(buildInfo.String())
		return
	}
	if listStages {
		fmt.Println(strings.Join(pipeline.StageNames(), "\n"))
		return
	}
	setupLog.V(2).Info(fmt.Sprintf("starting docexpr %s", buildInfo.String()))

	if pipelineFile == "" {
		setupLog.Error(errors.New("missing -pipeline"), "no pipeline definition given")
		os.Exit(1)
	}

	raw, err := loader.ReadFile(pipelineFile)
	if err != nil {
		setupLog.Error(err, "unable to read pipeline", "file", pipelineFile)
		os.Exit(1)
	}
	def, err := loader.ParsePipeline(raw)
	if err != nil {
		setupLog.Error(err, "unable to parse pipeline", "file", pipelineFile)
		os.Exit(1)
	}

	var ac *expression.AccessContext
	if principal != "" {
		ac = &expression.AccessContext{Principal: principal}
	}

	p, err := pipeline.New(ac, def, pipeline.WithLogger(logger))
	if err != nil {
		setupLog.Error(err, "invalid pipeline")
		os.Exit(1)
	}

	raw, err = loader.ReadFile(inputFile)
	if err != nil {
		setupLog.Error(err, "unable to read input", "file", inputFile)
		os.Exit(1)
	}
	docs, err := loader.ParseDocuments(raw)
	if err != nil {
		setupLog.Error(err, "unable to parse input", "file", inputFile)
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	c, err := p.Evaluate(ctx, cursor.FromSlice(docs))
	if err != nil {
		setupLog.Error(err, "pipeline failed")
		os.Exit(1)
	}
	defer c.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for {
		d, err := c.Next(ctx)
		if errors.Is(err, cursor.ErrExhausted) {
			return
		}
		if err != nil {
			w.Flush()
			setupLog.Error(pipeline.NewPipelineError(err), "pipeline failed")
			os.Exit(1)
		}

		out, err := json.Marshal(d)
		if err != nil {
			setupLog.Error(err, "unable to render document")
			os.Exit(1)
		}
		fmt.Fprintln(w, string(out))
	}
}
