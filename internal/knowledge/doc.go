// Package knowledge stores embedded site content in PostgreSQL with pgvector
// and serves cosine similarity search over it.
//
// The Store embeds document content through a Genkit embedder and persists
// the resulting vectors alongside content, metadata, and a content hash used
// by the ingestion pipeline for change detection. Search embeds the query
// and returns documents above a similarity threshold, most similar first.
package knowledge
