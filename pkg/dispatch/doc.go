/*
Package dispatch decides what runs automatically when an artifact arrives.

The auto-run configuration maps each artifact type (apk, ipa, zip) to a rule:
run nothing, run a single module, or run a named chain. Source trees never
auto-run. The configuration is one process-wide value behind an atomic
pointer; ingestion reads a consistent snapshot without locking and the
settings endpoint swaps the whole value at once.

# Usage

	d, err := dispatch.New(store, registry, exec)
	if err != nil {
		return err
	}

	// After a successful ingest:
	run, err := d.OnIngest(artifact)

	// Settings endpoint:
	err = d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
		IPA: types.Rule{Kind: types.RuleModule, TargetID: "plist-reader"},
		ZIP: types.Rule{Kind: types.RuleNone},
	})

Updates validate rule shape and target existence before persisting, so a bad
configuration never half-applies. A duplicate open run at ingest time is
routine (the artifact was re-uploaded mid-scan) and is skipped, not failed.

# See Also

  - pkg/executor for what Start does with the launched request
  - pkg/api for the settings endpoint that calls SetAutoRun
*/
package dispatch
