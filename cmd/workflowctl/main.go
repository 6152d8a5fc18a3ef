// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command workflowctl is the operator-facing submission CLI: run, status,
// cancel, and replay wrap the workflow-coordinator's HTTP submission API
// behind a cobra command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

func main() {
	root := &cobra.Command{
		Use:   "workflowctl",
		Short: "Submit and inspect workflow runs",
	}
	root.PersistentFlags().String("server", "http://localhost:8088", "workflow-coordinator base URL")
	root.PersistentFlags().String("config", "", "config file (none is read unless this flag is set)")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	v.SetEnvPrefix("WORKFLOWCTL")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfgFile, _ := root.PersistentFlags().GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			_ = v.ReadInConfig()
		}
	})

	root.AddCommand(newRunCommand(), newStatusCommand(), newCancelCommand(), newReplayCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverAddr() string {
	return v.GetString("server")
}
