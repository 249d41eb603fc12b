/*
Package artifact implements content-addressed ingestion and storage of
analysis targets.

The artifact package receives uploaded mobile app bundles (APK, IPA), ZIP
containers, and source archives, fingerprints them with SHA-256, detects
their type from content, extracts them into a per-artifact tree, and records
their metadata. The fingerprint is the artifact's identity everywhere else in
Mastiff: queues, results, reports, and chain runs all key on it.

# Architecture

Ingestion is a single pipeline from upload stream to on-disk layout plus
metadata record:

	┌──────────────────── ARTIFACT INGESTION ───────────────────┐
	│                                                             │
	│  upload stream                                              │
	│       │                                                     │
	│  ┌────▼───────────────────────────────────────┐           │
	│  │       Spool + Fingerprint                   │           │
	│  │  - io.Copy to temp file under store root    │           │
	│  │  - SHA-256 computed on the same pass        │           │
	│  │  - Zero-byte uploads rejected               │           │
	│  └────┬───────────────────────────────────────┘           │
	│       │                                                     │
	│  ┌────▼───────────────────────────────────────┐           │
	│  │       Deduplication                         │           │
	│  │  - Fingerprint lookup in metadata store     │           │
	│  │  - Duplicate: record upload alias, return   │           │
	│  │    existing artifact (no re-extraction)     │           │
	│  └────┬───────────────────────────────────────┘           │
	│       │ new fingerprint                                    │
	│  ┌────▼───────────────────────────────────────┐           │
	│  │       Content Detection                     │           │
	│  │  - ZIP magic → inspect entries              │           │
	│  │      AndroidManifest.xml        → apk       │           │
	│  │      Payload/*.app/Info.plist   → ipa       │           │
	│  │      otherwise                  → zip       │           │
	│  │  - gzip magic / ustar header    → source    │           │
	│  │  - anything else → invalid input            │           │
	│  └────┬───────────────────────────────────────┘           │
	│       │                                                     │
	│  ┌────▼───────────────────────────────────────┐           │
	│  │       Extraction + Layout                   │           │
	│  │  <data>/store/<fingerprint>/raw             │           │
	│  │  <data>/store/<fingerprint>/tree/           │           │
	│  │  - zip-slip guarded, symlinks dropped       │           │
	│  │  - failed extraction removes the directory  │           │
	│  └────┬───────────────────────────────────────┘           │
	│       │                                                     │
	│  ┌────▼───────────────────────────────────────┐           │
	│  │       Record + Announce                     │           │
	│  │  - Artifact row in metadata store           │           │
	│  │  - artifact.ingested event published        │           │
	│  └────────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────┘

# Core Components

Store:
  - Owns the content-addressed directory layout under <data>/store
  - Ingest spools, fingerprints, deduplicates, detects, extracts, records
  - Open / List / Remove wrap the metadata store with filesystem cleanup
  - Tarball streams selected tree files to external modules as tar.gz

Detection:
  - Detect classifies by content, never by file extension
  - ZIP containers are opened and inspected entry-by-entry
  - tar and tar.gz archives classify as source trees
  - Unrecognized bytes fail with errdefs.ErrInvalidInput

Layout:
  - raw: the original upload bytes, kept verbatim
  - tree/: the extracted hierarchy modules read (mounted read-only
    into internal module containers)

# Usage

Ingesting an upload:

	store, err := artifact.NewStore(cfg.StoreDir(), metadataStore, broker)
	if err != nil {
		return err
	}

	art, created, err := store.Ingest(uploadBody, header.Filename)
	if errdefs.IsInvalidInput(err) {
		// Unsupported or corrupt upload; reject with 400.
	}
	if !created {
		// Duplicate fingerprint; existing artifact returned as-is.
	}

Serving files to an external module:

	err := store.Tarball(w, fingerprint, []string{"AndroidManifest.xml", "lib/"})

Removing an artifact and everything derived from it:

	err := store.Remove(fingerprint)

# Integration Points

This package integrates with:

  - pkg/storage: Artifact metadata, aliases, and cascade result deletion
  - pkg/dispatch: Auto-run rules fire on the detected type after ingestion
  - pkg/executor: Task payloads carry the tree path and detected type
  - pkg/api: Multipart upload endpoint and the external file provisioning
    endpoint sit directly on Ingest and Tarball
  - pkg/events: artifact.ingested and artifact.deleted notifications

# Design Patterns

Content Addressing:
  - SHA-256 of the raw bytes is the only identity
  - Same bytes uploaded twice occupy one directory and one record
  - Upload names are recorded as aliases, never as identity

Single-Pass Spooling:
  - Upload streams to a temp file and the hash in one io.Copy
  - Temp file is renamed into place only after detection succeeds
  - No partially ingested artifact is ever visible

Fail-Closed Extraction:
  - Entries escaping the extraction root abort ingestion
  - Symlinks and special files are silently dropped
  - Extraction failure removes the artifact directory entirely

# See Also

  - pkg/storage for the metadata records behind List and Open
  - pkg/dispatch for what runs automatically after ingestion
  - docs for the on-disk layout contract shared with module containers
*/
package artifact
