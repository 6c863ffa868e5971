// Package catalogtest provides a small imaging catalog for tests.
package catalogtest

import (
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
)

// Source IDs in the fixture.
const (
	WarehouseImage    = 10
	WarehouseClinical = 11
	WarehouseDerived  = 12
	IndexImage        = 20
	IndexClinical     = 21
	ActiveVersion     = "idc_v1"
	ArchivedVersion   = "idc_v0"
)

// Snapshot returns a fresh copy of the fixture.
func Snapshot() catalog.Snapshot {
	ageRanges := []domain.AttributeRange{{
		ID: 1, First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true,
	}}
	return catalog.Snapshot{
		Versions: []domain.DataVersion{
			{ID: 1, Name: ActiveVersion, Version: "1", Active: true},
			{ID: 2, Name: ArchivedVersion, Version: "0", Active: false},
		},
		DataSets: []domain.DataSetType{
			{ID: 1, Name: "Image Data", DataType: domain.DataKindImage, SetType: domain.SetTypeOrigin},
			{ID: 2, Name: "Clinical, Biospecimen, and Mutation Data", DataType: domain.DataKindAncillary, SetType: domain.SetTypeRelated},
			{ID: 3, Name: "Derived Data", DataType: domain.DataKindDerived, SetType: domain.SetTypeDerived},
		},
		Sources: []domain.DataSource{
			{ID: WarehouseImage, Name: "idc-dev.idc_v1.dicom_derived_all", SourceType: domain.SourceTypeWarehouse, CountCol: "PatientID", DataSets: []int{1}, Versions: []int{1, 2}},
			{ID: WarehouseClinical, Name: "idc-dev.idc_v1.tcga-clinical", SourceType: domain.SourceTypeWarehouse, CountCol: "case_barcode", DataSets: []int{2}, Versions: []int{1}},
			{ID: WarehouseDerived, Name: "idc-dev.idc_v1.qualitative_measurements", SourceType: domain.SourceTypeWarehouse, CountCol: "PatientID", DataSets: []int{3}, Versions: []int{1}},
			{ID: IndexImage, Name: "dicom_derived_series_v1", SourceType: domain.SourceTypeIndex, CountCol: "PatientID", DataSets: []int{1}, Versions: []int{1}},
			{ID: IndexClinical, Name: "tcga_clinical_rel9", SourceType: domain.SourceTypeIndex, CountCol: "case_barcode", DataSets: []int{2}, Versions: []int{1}},
		},
		Attributes: []domain.Attribute{
			{ID: 1, Name: "collection_id", DataType: domain.DataTypeCategoricalString, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 2, Name: "Modality", DataType: domain.DataTypeCategoricalString, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 3, Name: "BodyPartExamined", DataType: domain.DataTypeCategoricalString, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 4, Name: "age_at_diagnosis", DataType: domain.DataTypeContinuousNumeric, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseClinical, IndexClinical}, Ranges: ageRanges},
			{ID: 5, Name: "vital_status", DataType: domain.DataTypeCategoricalString, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseClinical, IndexClinical}},
			{ID: 6, Name: "SeriesInstanceUID", DataType: domain.DataTypeString, Active: true, Sources: []int{WarehouseImage, WarehouseDerived, IndexImage}},
			{ID: 7, Name: "StudyInstanceUID", DataType: domain.DataTypeString, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 8, Name: "PatientID", DataType: domain.DataTypeString, Active: true, Sources: []int{WarehouseImage, WarehouseDerived, IndexImage}},
			{ID: 9, Name: "Malignancy", DataType: domain.DataTypeCategoricalString, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseDerived}},
			{ID: 10, Name: "SliceThickness", DataType: domain.DataTypeContinuousNumeric, DefaultUIDisplay: true, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 11, Name: "gcs_url", DataType: domain.DataTypeText, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 12, Name: "instance_size", DataType: domain.DataTypeCategoricalNumeric, Active: false, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 13, Name: "SeriesNumber", DataType: domain.DataTypeString, Active: true, Sources: []int{WarehouseImage, IndexImage}},
			{ID: 14, Name: "series_aws_url", DataType: domain.DataTypeText, Active: true, Sources: []int{WarehouseImage, IndexImage}},
		},
		Joins: []domain.DataSourceJoin{
			{FromSrc: WarehouseImage, FromCol: "PatientID", ToSrc: WarehouseClinical, ToCol: "case_barcode"},
			{FromSrc: WarehouseDerived, FromCol: "SeriesInstanceUID", ToSrc: WarehouseImage, ToCol: "SeriesInstanceUID"},
			{FromSrc: IndexImage, FromCol: "PatientID", ToSrc: IndexClinical, ToCol: "case_barcode"},
		},
		DisplayValues: []domain.DisplayValue{
			{AttributeID: 5, RawValue: "Dead", Display: "Deceased"},
		},
	}
}

// MustNew builds the fixture catalog.
func MustNew() *catalog.Catalog {
	c, err := catalog.New(Snapshot())
	if err != nil {
		panic(err)
	}
	return c
}
