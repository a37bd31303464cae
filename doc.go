/*
Copyright 2015 Google LLC

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

// Package cbt is a client for reading and writing data to tables in a
// wide-column, row-keyed distributed database over a streaming RPC
// transport.
//
// A Client dials a small pool of long-lived gRPC channels to a single
// endpoint and sends every read and write operation over the first channel
// of that pool; the other channels are not used by data operations. It
// enforces retry and backoff discipline consistently across single-row
// reads, streamed range reads, single-row mutations and bulk mutations.
// Table administration (creating tables, column families, snapshots) is
// exposed by AdminClient as thin wrappers over the same call framework.
package cbt // import "github.com/cbtclient/go-cbt"
