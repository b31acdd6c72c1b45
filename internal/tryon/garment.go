package tryon

// GarmentMode names how a garment image is resolved.
type GarmentMode string

const (
	ModeCatalog  GarmentMode = "catalog"
	ModeFreeForm GarmentMode = "free-form"
)

// GarmentRef is a closed sum type: CatalogGarment or FreeFormGarment.
// The unexported method keeps other packages from adding variants.
type GarmentRef interface {
	Mode() GarmentMode
	garmentRef()
}

// CatalogGarment points at an image that belongs to a catalog item.
// Resolution reads the stored object directly.
type CatalogGarment struct {
	ItemID  string
	ImageID string
}

func (CatalogGarment) Mode() GarmentMode { return ModeCatalog }
func (CatalogGarment) garmentRef()       {}

// FreeFormGarment points at a configured garment whose image lives at an
// external URL and has to be fetched.
type FreeFormGarment struct {
	ID       string
	Filename string
}

func (FreeFormGarment) Mode() GarmentMode { return ModeFreeForm }
func (FreeFormGarment) garmentRef()       {}

// NewGarmentRef builds a GarmentRef from raw request fields. Exactly one of
// the two forms must be complete.
func NewGarmentRef(catalogItemID, catalogImageID, garmentID, garmentFile string) (GarmentRef, error) {
	catalog := catalogItemID != "" && catalogImageID != ""
	freeForm := garmentID != "" && garmentFile != ""

	switch {
	case catalog && freeForm:
		return nil, Validation("Please select only one clothing item.")
	case catalog:
		return CatalogGarment{ItemID: catalogItemID, ImageID: catalogImageID}, nil
	case freeForm:
		return FreeFormGarment{ID: garmentID, Filename: garmentFile}, nil
	default:
		return nil, Validation("Please select a clothing item.")
	}
}
