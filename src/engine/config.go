package engine

import "github.com/grantmatch/qf-engine/src/common"

type Config struct {
	common.CommonConfig `yaml:",inline"`
	PipelineSeconds     int  `yaml:"pipeline_seconds"`
	Mock                bool `yaml:"use_mock"`
}
