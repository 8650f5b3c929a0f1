package rdf

// Namespaces and terms shared by the consumer.
const (
	RDFType     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"

	NsExt            = "http://mu.semte.ch/vocabularies/ext/"
	NsMu             = "http://mu.semte.ch/vocabularies/core/"
	NsNfo            = "http://www.semanticdesktop.org/ontologies/2007/03/22/nfo#"
	NsNie            = "http://www.semanticdesktop.org/ontologies/2007/01/19/nie#"
	NsNmo            = "http://www.semanticdesktop.org/ontologies/2007/03/22/nmo#"
	NsBesluitvorming = "http://data.vlaanderen.be/ns/besluitvorming#"
	NsProv           = "http://www.w3.org/ns/prov#"
	NsDct            = "http://purl.org/dc/terms/"
	NsAdms           = "http://www.w3.org/ns/adms#"

	MuUUID = NsMu + "uuid"

	FileDataObject = NsNfo + "FileDataObject"
	DataSource     = NsNie + "dataSource"

	PublishedNewsInfo = NsExt + "publishedNieuwsbriefInfo"
	DocumentVersion   = NsExt + "documentVersie"
	LogicalFile       = NsExt + "file"
	HasVersion        = NsBesluitvorming + "heeftVersie"
	Generated         = NsProv + "generated"

	ReleaseTaskClass   = NsExt + "ReleaseTask"
	DeletesGraph       = NsExt + "deletesGraph"
	RepublishedSession = NsExt + "republishedSession"
	DctCreated         = NsDct + "created"
	DctSource          = NsDct + "source"
	AdmsStatus         = NsAdms + "status"
	EmailClass         = NsNmo + "Email"
	MessageFrom        = NsNmo + "messageFrom"
	EmailTo            = NsNmo + "emailTo"
	MessageSubject     = NsNmo + "messageSubject"
	PlainTextContent   = NsNmo + "plainTextMessageContent"
	SentDate           = NsNmo + "sentDate"
	IsPartOf           = NsNmo + "isPartOf"
)

// Typed returns a literal annotated with datatype.
func Typed(v, datatype string) Literal {
	return Literal{Lexical: v, Datatype: datatype}
}

// Plain returns an unannotated string literal.
func Plain(v string) Literal {
	return Literal{Lexical: v}
}
