package webhook

import (
	"encoding/json"
	"fmt"
)

// dockerHubPayload matches the Docker Hub registry webhook shape.
type dockerHubPayload struct {
	PushData struct {
		Tag string `json:"tag"`
	} `json:"push_data"`
	Repository struct {
		RepoName string `json:"repo_name"`
	} `json:"repository"`
}

// ghcrPayload matches the GitHub Container Registry webhook shape.
type ghcrPayload struct {
	Package struct {
		Name string `json:"name"`
	} `json:"package"`
	PackageVersion struct {
		ContainerMetadata struct {
			Tag struct {
				Name string `json:"name"`
			} `json:"tag"`
		} `json:"container_metadata"`
	} `json:"package_version"`
}

// ParsePayload extracts (imageName, newTag) from a raw registry
// webhook body, trying the Docker Hub shape first, then GHCR (spec
// §6 "accepts either").
func ParsePayload(body []byte) (imageName, newTag string, err error) {
	var dh dockerHubPayload
	if err := json.Unmarshal(body, &dh); err == nil && dh.Repository.RepoName != "" && dh.PushData.Tag != "" {
		return dh.Repository.RepoName, dh.PushData.Tag, nil
	}

	var ghcr ghcrPayload
	if err := json.Unmarshal(body, &ghcr); err == nil && ghcr.Package.Name != "" && ghcr.PackageVersion.ContainerMetadata.Tag.Name != "" {
		return ghcr.Package.Name, ghcr.PackageVersion.ContainerMetadata.Tag.Name, nil
	}

	return "", "", fmt.Errorf("webhook payload matches neither the Docker Hub nor GHCR shape")
}
