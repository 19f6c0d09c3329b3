package ebs

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
)

var notFoundCodes = map[string]bool{
	"InvalidVolume.NotFound":     true,
	"InvalidInstanceID.NotFound": true,
}

// translate converts an SDK error into a *blockdevice.ProviderError carrying
// the EC2 error code, message and request id.
func translate(err error) error {
	if err == nil {
		return nil
	}

	perr := &blockdevice.ProviderError{Message: err.Error(), Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr.Code = apiErr.ErrorCode()
		perr.Message = apiErr.ErrorMessage()
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		perr.RequestID = respErr.ServiceRequestID()
		if perr.Code == "" && respErr.HTTPStatusCode() == http.StatusNotFound {
			perr.NotFound = true
		}
	}

	if notFoundCodes[perr.Code] {
		perr.NotFound = true
	}
	return perr
}

func volumeNotFound(id string) error {
	return &blockdevice.ProviderError{
		Code:     "InvalidVolume.NotFound",
		Message:  "The volume '" + id + "' does not exist.",
		NotFound: true,
	}
}
