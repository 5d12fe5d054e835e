// Package harvest defines the core types and interfaces shared by the CSV
// harvesting pipeline: discovered links, download outcomes, cycle reports,
// and the collaborator interfaces (page drivers, blob and document stores,
// publishers) that the discovery, download, scheduling and ingestion
// subsystems are composed from.
package harvest
