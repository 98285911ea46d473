/*
Package events provides the master's event broker: channel-based fan-out of
session, server, spawn, grant and lobby occurrences to passive observers.

Subscribers receive on buffered channels; a full subscriber is skipped
rather than blocking the publisher, so the broker is strictly advisory.
State-bearing notifications (spawn status to a requester, lobby broadcasts
to members) do NOT go through the broker — those have exactly-once ordering
contracts and are delivered directly on the owning module's surface. The
broker feeds metrics collection and logging only.
*/
package events
