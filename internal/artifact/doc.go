// Package artifact stores the files runs publish and stages them into the
// workspaces of dependent runs.
//
// Everything lives under one root on an afero.Fs:
//
//	<root>/artifacts/<runID>/...  files a run published
//	<root>/work/<runID>/...       the run's workspace
//
// Staging copies files from upstream artifact directories into a
// workspace according to artifact rules. Publishing copies files from a
// workspace into the run's artifact directory according to the build
// type's publish rules.
package artifact
