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

// Package cli implements the cdktr command line client.
//
// The command tree mirrors the principal's control API, plus two
// commands that work entirely offline:
//
//	cdktr
//	├── ping            round-trip check against the control server
//	├── run             queue a workflow run
//	├── workflows       list loaded workflow definitions
//	├── agents          list registered agents
//	├── statuses        recent workflow instance statuses
//	├── logs            query persisted logs or follow the live stream
//	├── validate        check workflow files locally
//	└── examples        browse and copy embedded starter workflows
//
// Every remote command talks to the principal over the websocket control
// protocol. Connection settings come from the CDKTR_* environment
// variables, with --principal and --timeout as per-invocation overrides.
// Commands that print structured data accept --json, and a --jq
// expression for shaping the output.
package cli
