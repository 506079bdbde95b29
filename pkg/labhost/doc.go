// Package labhost is the Lab-Host Client SPI (C8): import, start, stop,
// wipe, and delete labs on a worker's lab-host REST API, plus a polling
// health check. Uses the standard library's net/http rather than a
// third-party HTTP client — a thin REST client over a handful of
// endpoints has no need for one.
package labhost
