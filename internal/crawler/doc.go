// Package crawler defines the domain types, errors, events and collaborator
// interfaces shared by every stage of the regulatory crawl: sources and jobs,
// documents and their versions, downloaded files and extracted datapoints.
package crawler
