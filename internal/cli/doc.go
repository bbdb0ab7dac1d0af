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


/*
Package cli provides the root commands of baculad and bconsole.

Individual commands are implemented in the internal/commands subpackages.

# Command Tree

	baculad
	├── run           Run the daemon in the foreground
	├── start         Start the daemon in the background
	├── stop          Stop a running daemon
	├── status        Show recent jobs recorded on disk
	├── secrets       Manage stored peer passwords
	└── version       Show version

	bconsole [command...]
	└── version       Show version

# Usage

From main.go:

	cli.SetVersion(version, commit, buildDate)
	if err := cli.NewRootCommand().Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Enable verbose output
	--json           Output in JSON format
	--config, -c     Path to config file
*/
package cli
