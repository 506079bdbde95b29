/*
Package log provides structured logging for the orchestration engine via
zerolog. A single global Logger is configured once at startup by Init, and
every component gets a child logger carrying a "component" field via
WithComponent — scheduler, controller, pipeline, worker, sse, cloudevents —
so operators can filter a single component's stream without parsing
message text.

Console output is used in development, JSON output in production,
selected by Config.JSONOutput (wired to the --log-json CLI flag).
*/
package log
