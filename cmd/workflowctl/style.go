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

package main

import "github.com/charmbracelet/lipgloss"

var (
	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusOther  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	muted        = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	header       = lipgloss.NewStyle().Bold(true)
)

func renderStatus(status string) string {
	switch status {
	case "success":
		return statusOK.Render(status)
	case "failed":
		return statusFailed.Render(status)
	default:
		return statusOther.Render(status)
	}
}
