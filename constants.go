/*
Copyright 2016-2019 Gravitational, Inc.

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

package ota

// Component names used in logrus.WithField(trace.Component, ...) entries
// across the server's packages.
const (
	ComponentKeyStore     = "KeyStore"
	ComponentSessionStore = "SessionStore"
	ComponentPSKTLS       = "PSKTLS"
	ComponentAdmin        = "Admin"
	ComponentRunner       = "Runner"
	ComponentRateLimit    = "RateLimit"
	ComponentEvents       = "Events"
)

// DefaultAdminPort is the conventional admin PSK-TLS port. The server does
// not fall back to it: listen_addr must be set in the configuration.
const DefaultAdminPort = 8443

// AppName and AppHelp identify the CLI binary to kingpin.
const (
	AppName = "ota-admin-server"
	AppHelp = "SCP81 remote-administration test server for UICC/eUICC smart cards."
)
