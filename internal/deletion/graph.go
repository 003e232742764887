package deletion

import "github.com/Lllllllleong/signingdocumentflow/internal/models"

// Dependent is one collection whose rows exist only in reference to a parent
// row. Children reference this collection's ids and are removed first.
type Dependent struct {
	Collection string
	ForeignKey string
	Children   []Dependent
	// Advisory failures become warnings instead of aborting the deletion.
	Advisory bool
}

// DocumentGraph lists a document's dependents in deletion order. Adding a
// dependent entity is a change to this table.
var DocumentGraph = []Dependent{
	{
		Collection: models.SignatureMappingsCollection,
		ForeignKey: "documentId",
		Children: []Dependent{
			{Collection: models.TemplatesCollection, ForeignKey: "documentMappingId"},
		},
	},
	{Collection: models.SigningRequestsCollection, ForeignKey: "documentId"},
	{Collection: models.DocumentSignaturesCollection, ForeignKey: "documentId"},
	{Collection: models.AnnotationsCollection, ForeignKey: "documentId", Advisory: true},
	{Collection: models.RequestsCollection, ForeignKey: "documentId"},
}
