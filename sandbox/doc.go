// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments for scenario
// commands using bubblewrap (bwrap) Linux namespaces.
//
// The central type is [Sandbox], which runs a [Profile]. Unlike a
// profile-authoring library that loads YAML profiles with inheritance,
// every Profile here is generated by [Generate] as a pure function of one
// policy.EffectivePolicy: there is no on-disk profile library, no
// merge/inheritance step, and no variable-expansion templating language.
// Read roots from the policy become read-only binds, write roots become
// read-write binds, the working directory becomes the chdir target, and
// network policy becomes the presence or absence of network namespace
// isolation.
//
// [BwrapBuilder] translates a Profile into bwrap command-line arguments.
// [Validator] performs pre-flight host-capability checks: bwrap
// availability, user namespace support, systemd-run availability, and
// whether a profile's bind roots exist or can be created. [Capabilities]
// probes the host once at startup for the same facts, surfaced through
// the CLI's availability check.
//
// Resource limits, when a profile carries any, are enforced via a
// systemd transient scope ([SystemdScope]) wrapping the bwrap command.
//
// The sandbox is advisory defense-in-depth, not a claimed security
// boundary: it creates the namespaces and mounts, then execs the
// command. Process lifecycle — pty allocation, output capture, signal
// delivery — is handled by the session package.
package sandbox
