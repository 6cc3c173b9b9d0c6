// Package dataplane holds the built-in pipeline sources and sinks.
package dataplane

import (
	"github.com/mitchellh/mapstructure"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// HTTPAddress is the typed view of an HttpData address.
type HTTPAddress struct {
	BaseURL string            `mapstructure:"baseUrl"`
	Method  string            `mapstructure:"method"`
	Path    string            `mapstructure:"path"`
	Headers map[string]string `mapstructure:"headers"`
}

// S3Address is the typed view of an AmazonS3 address.
type S3Address struct {
	Bucket   string `mapstructure:"bucket"`
	Key      string `mapstructure:"key"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// GCSAddress is the typed view of a GoogleCloudStorage address.
type GCSAddress struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

func decode(addr transfer.DataAddress, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(addr.Properties); err != nil {
		return entity.Invalid("%s address: %v", addr.Type, err)
	}
	return nil
}

// DecodeHTTP validates and decodes an HttpData address.
func DecodeHTTP(addr transfer.DataAddress) (HTTPAddress, error) {
	var out HTTPAddress
	if err := decode(addr, &out); err != nil {
		return out, err
	}
	if out.BaseURL == "" {
		return out, entity.Invalid("%s address: baseUrl is required", addr.Type)
	}
	return out, nil
}

// DecodeS3 validates and decodes an AmazonS3 address.
func DecodeS3(addr transfer.DataAddress) (S3Address, error) {
	var out S3Address
	if err := decode(addr, &out); err != nil {
		return out, err
	}
	if out.Bucket == "" || out.Key == "" {
		return out, entity.Invalid("%s address: bucket and key are required", addr.Type)
	}
	return out, nil
}

// DecodeGCS validates and decodes a GoogleCloudStorage address.
func DecodeGCS(addr transfer.DataAddress) (GCSAddress, error) {
	var out GCSAddress
	if err := decode(addr, &out); err != nil {
		return out, err
	}
	if out.Bucket == "" || out.Object == "" {
		return out, entity.Invalid("%s address: bucket and object are required", addr.Type)
	}
	return out, nil
}
