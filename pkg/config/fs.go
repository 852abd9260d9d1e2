package config

import "github.com/spf13/afero"

// fs is replaced by afero.NewMemMapFs() in the tests.
var fs = afero.NewOsFs()
