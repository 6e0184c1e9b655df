package dmq

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// ConvertJSONFileToConfig opens a file.json and converts it to a PlatformConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*PlatformConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &PlatformConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToConfig opens a file.yaml and converts it to a PlatformConfig.
func ConvertYAMLFileToConfig(fileNamePath string) (*PlatformConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &PlatformConfig{}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}

// ConvertJSONFileToTopologyConfig opens a file.json and converts it to a TopologyConfig.
func ConvertJSONFileToTopologyConfig(fileNamePath string) (*TopologyConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &TopologyConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToTopologyConfig opens a file.yaml and converts it to a TopologyConfig.
func ConvertYAMLFileToTopologyConfig(fileNamePath string) (*TopologyConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &TopologyConfig{}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}
