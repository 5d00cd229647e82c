// Package hcl loads pipeline configuration from HCL files into the
// format-agnostic config.Model.
//
// A configuration is any number of .hcl files holding project, vcs_root,
// build_type and agent blocks. Blocks may be spread across files in any
// order; references between them are only checked later, when the
// dependency graph is built. Expressions may read environment variables
// through the env object, as in env.REPO_URL.
//
//	build_type "Deploy" {
//	  project  = "Root"
//	  vcs_root = "Main"
//
//	  step "deploy" {
//	    script = "./deploy.sh %dep.Build.version%"
//	  }
//
//	  dependency "Build" {
//	    snapshot   = true
//	    on_failure = "FAIL_TO_START"
//	    artifacts {
//	      rules = ["dist/*.zip => packages"]
//	    }
//	  }
//	}
package hcl
