package api

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// Iceberg REST catalog payloads.

// CatalogConfig is the /v1/config response.
type CatalogConfig struct {
	Overrides map[string]string `json:"overrides"`
	Defaults  map[string]string `json:"defaults"`
	Endpoints []string          `json:"endpoints,omitempty"`
}

type CreateNamespaceRequest struct {
	Namespace  []string          `json:"namespace"`
	Properties map[string]string `json:"properties,omitempty"`
}

type CreateNamespaceResponse struct {
	Namespace  []string          `json:"namespace"`
	Properties map[string]string `json:"properties,omitempty"`
}

type ListNamespacesResponse struct {
	Namespaces    [][]string `json:"namespaces"`
	NextPageToken string     `json:"next-page-token,omitempty"`
}

type GetNamespaceResponse struct {
	Namespace  []string          `json:"namespace"`
	Properties map[string]string `json:"properties,omitempty"`
}

type UpdateNamespacePropertiesRequest struct {
	Removals []string          `json:"removals,omitempty"`
	Updates  map[string]string `json:"updates,omitempty"`
}

type UpdateNamespacePropertiesResponse struct {
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
	Missing []string `json:"missing,omitempty"`
}

type CreateTableRequest struct {
	Name          string                 `json:"name"`
	Location      string                 `json:"location,omitempty"`
	Schema        *iceberg.Schema        `json:"schema"`
	PartitionSpec *iceberg.PartitionSpec `json:"partition-spec,omitempty"`
	WriteOrder    *iceberg.SortOrder     `json:"write-order,omitempty"`
	StageCreate   bool                   `json:"stage-create,omitempty"`
	Properties    map[string]string      `json:"properties,omitempty"`
}

type RegisterTableRequest struct {
	Name             string `json:"name"`
	MetadataLocation string `json:"metadata-location"`
	Overwrite        bool   `json:"overwrite,omitempty"`
}

// LoadTableResult is the load-table / create-table response.
type LoadTableResult struct {
	MetadataLocation string                 `json:"metadata-location,omitempty"`
	Metadata         *iceberg.TableMetadata `json:"metadata"`
	Config           map[string]string      `json:"config,omitempty"`
}

type ListTablesResponse struct {
	Identifiers   []iceberg.TableIdent `json:"identifiers"`
	NextPageToken string               `json:"next-page-token,omitempty"`
}

type CommitTableRequest struct {
	Identifier   *iceberg.TableIdent `json:"identifier,omitempty"`
	Requirements []json.RawMessage   `json:"requirements"`
	Updates      []json.RawMessage   `json:"updates"`
}

type CommitTableResponse struct {
	MetadataLocation string                 `json:"metadata-location"`
	Metadata         *iceberg.TableMetadata `json:"metadata"`
}

type CommitTransactionRequest struct {
	TableChanges []CommitTableRequest `json:"table-changes"`
}

type RenameTableRequest struct {
	Source      iceberg.TableIdent `json:"source"`
	Destination iceberg.TableIdent `json:"destination"`
}

type CreateViewRequest struct {
	Name        string               `json:"name"`
	Location    string               `json:"location,omitempty"`
	Schema      *iceberg.Schema      `json:"schema"`
	ViewVersion *iceberg.ViewVersion `json:"view-version"`
	Properties  map[string]string    `json:"properties,omitempty"`
}

type LoadViewResult struct {
	MetadataLocation string                `json:"metadata-location"`
	Metadata         *iceberg.ViewMetadata `json:"metadata"`
}

type LoadCredentialsResponse struct {
	StorageCredentials []StorageCredential `json:"storage-credentials"`
}

type StorageCredential struct {
	Prefix string            `json:"prefix"`
	Config map[string]string `json:"config"`
}

// Management API payloads.

type BootstrapRequest struct {
	AcceptTermsOfUse bool `json:"accept-terms-of-use"`
}

type ServerInfoResponse struct {
	ServerID         string `json:"server-id"`
	OpenForBootstrap bool   `json:"open-for-bootstrap"`
	AuthzBackend     string `json:"authz-backend,omitempty"`
	Version          string `json:"version"`
}

type CreateProjectRequest struct {
	Name string `json:"project-name"`
}

type ProjectResponse struct {
	ProjectID string `json:"project-id"`
	Name      string `json:"project-name"`
}

type ListProjectsResponse struct {
	Projects []ProjectResponse `json:"projects"`
}

type CreateWarehouseRequest struct {
	Name              string              `json:"warehouse-name"`
	ProjectID         uuid.UUID           `json:"project-id"`
	StorageProfile    *storage.Profile    `json:"storage-profile"`
	StorageCredential *storage.Credential `json:"storage-credential,omitempty"`
	DeleteProfile     *DeleteProfile      `json:"delete-profile,omitempty"`
}

// DeleteProfile is the tabular delete behaviour: {"type":"hard"} or
// {"type":"soft","expiration-seconds":3600}.
type DeleteProfile struct {
	Type              string `json:"type"`
	ExpirationSeconds *int64 `json:"expiration-seconds,omitempty"`
}

type WarehouseResponse struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project-id"`
	Name           string           `json:"name"`
	StorageProfile *storage.Profile `json:"storage-profile"`
	Status         string           `json:"status"`
	Protected      bool             `json:"protected"`
	DeleteProfile  DeleteProfile    `json:"delete-profile"`
}

type ListWarehousesResponse struct {
	Warehouses []WarehouseResponse `json:"warehouses"`
}

type RenameWarehouseRequest struct {
	NewName string `json:"new-name"`
}

type ProtectionRequest struct {
	Protected bool `json:"protected"`
}

type UpdateCredentialRequest struct {
	StorageCredential *storage.Credential `json:"storage-credential"`
}

type DeletedTabularResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Namespace        []string `json:"namespace"`
	Typ              string   `json:"typ"`
	DeletedAt        string   `json:"deleted-at"`
	ExpiresAt        string   `json:"expires-at,omitempty"`
}

type ListDeletedTabularsResponse struct {
	Tabulars []DeletedTabularResponse `json:"tabulars"`
}

type UndropRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type CreateRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProviderID  string `json:"provider-id,omitempty"`
	SourceID    string `json:"source-id,omitempty"`
}

type RoleResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project-id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProviderID  string `json:"provider-id"`
	SourceID    string `json:"source-id"`
}

type ListRolesResponse struct {
	Roles         []RoleResponse `json:"roles"`
	NextPageToken string         `json:"next-page-token,omitempty"`
}

type UserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Type  string `json:"user-type"`
}

type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
}

type AssignmentRequest struct {
	Writes  []AssignmentEntry `json:"writes,omitempty"`
	Deletes []AssignmentEntry `json:"deletes,omitempty"`
}

type AssignmentEntry struct {
	ActorType string `json:"actor-type"`
	ActorID   string `json:"actor-id"`
	Relation  string `json:"relation"`
}

type ListAssignmentsResponse struct {
	Assignments []AssignmentEntry `json:"assignments"`
}

type ManagedAccessRequest struct {
	ManagedAccess bool `json:"managed-access"`
}

type StatisticsResponse struct {
	Buckets []StatisticsBucket `json:"buckets"`
}

type StatisticsBucket struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status-code"`
	Bucket     string `json:"bucket"`
	Count      int64  `json:"count"`
}

type SearchResponse struct {
	Tabulars []SearchHit `json:"tabulars"`
}

type SearchHit struct {
	ID        string   `json:"id"`
	Namespace []string `json:"namespace"`
	Name      string   `json:"name"`
	Typ       string   `json:"typ"`
}
